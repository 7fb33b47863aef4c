// Package validation centralizes the field-level checks the relay applies to
// room identifiers, usernames, access codes, passwords, and inbound binary
// payloads (spec.md §4.9), built on top of go-playground/validator/v10.
package validation

import (
	"fmt"
	"regexp"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	roomIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	usernamePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)
	accessCodePattern = regexp.MustCompile(`^[A-Z0-9]{6,12}$`)
)

const (
	minPasswordLen = 8
	maxPasswordLen = 128

	// createPasswordMinLen/createPasswordMaxLen implement spec.md §4.3.a's
	// create-room-specific rule (4-128 chars, no complexity requirement),
	// which is distinct from IsValidPassword's general §4.9 rule below.
	createPasswordMinLen = 4
	createPasswordMaxLen = 128

	// MaxBinaryFrame is the default upper bound on a single binary frame,
	// overridden at construction time by config.Config.MaxBinaryFrame.
	MaxBinaryFrame = 10 << 20
)

var (
	instance *validator.Validate
	once     sync.Once
)

// Validate returns the process-wide *validator.Validate instance, registering
// the relay's custom tag validators on first use.
func Validate() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
		_ = instance.RegisterValidation("roomid", validateRoomID)
		_ = instance.RegisterValidation("accesscode", validateAccessCode)
		_ = instance.RegisterValidation("createpassword", validateCreatePassword)
	})
	return instance
}

// RoomCreateRequest is the dispatch.go "create-room" command payload
// (spec.md §4.2/§4.3.a), validated with Validate().Struct(req) in
// handleCreateRoom instead of re-deriving these checks by hand.
type RoomCreateRequest struct {
	RoomID   string `json:"roomId" validate:"required,roomid"`
	Password string `json:"password,omitempty" validate:"omitempty,createpassword"`
}

// JoinRequest is the dispatch.go "join-room" command payload (spec.md
// §4.2/§4.3.b). It carries no username: the joiner's identity comes from
// the session's already-validated TokenValidator claims, not this command.
type JoinRequest struct {
	RoomID     string `json:"roomId" validate:"required,roomid"`
	AccessCode string `json:"accessCode,omitempty" validate:"omitempty,accesscode"`
	Password   string `json:"password,omitempty"`
}

// IsValidRoomID reports whether id satisfies spec.md §4.9's room-id grammar.
func IsValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// IsValidUsername reports whether name satisfies the username grammar.
// The username is not case-folded here or elsewhere in the module, so
// "Alice" and "alice" are distinct values.
func IsValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// IsValidAccessCode reports whether code looks like a value minted by
// credential.NewAccessCode.
func IsValidAccessCode(code string) bool {
	return accessCodePattern.MatchString(code)
}

// IsValidPassword enforces spec.md §4.9's complexity rule: 8-128 characters
// spanning at least three of {upper, lower, digit, special}.
func IsValidPassword(password string) bool {
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return false
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSpecial} {
		if ok {
			classes++
		}
	}
	return classes >= 3
}

// IsValidBinaryFrame reports whether a binary payload of the given size is
// within the configured limit. Callers pass config.Config.MaxBinaryFrame;
// maxBytes <= 0 falls back to MaxBinaryFrame.
func IsValidBinaryFrame(size int, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = MaxBinaryFrame
	}
	return size > 0 && int64(size) <= maxBytes
}

func validateRoomID(fl validator.FieldLevel) bool {
	return IsValidRoomID(fl.Field().String())
}

func validateAccessCode(fl validator.FieldLevel) bool {
	return IsValidAccessCode(fl.Field().String())
}

func validateCreatePassword(fl validator.FieldLevel) bool {
	n := len(fl.Field().String())
	return n >= createPasswordMinLen && n <= createPasswordMaxLen
}

// FieldError renders a validator.ValidationErrors into a stable,
// client-facing message without leaking Go type names.
func FieldError(err error) string {
	if err == nil {
		return ""
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	if len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %q failed %q validation", fe.Field(), fe.Tag())
}
