package room

import (
	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/types"
)

// h264NALTypeSPS and h264NALTypePPS are the Annex-B NAL unit types that
// mark a decoder-initializing segment (spec.md §4.4).
const (
	h264NALTypeSPS = 7
	h264NALTypePPS = 8
)

// RelayFrame implements the fan-out engine's per-frame contract (spec.md
// §4.4): cache the frame if it looks like an init segment, then enqueue it
// non-blocking on every current viewer's outbound queue, dropping it for
// any viewer whose queue is full without blocking the presenter or any
// other viewer.
//
// Caller (the connection package's binary-frame dispatch) is responsible
// for verifying that senderID is the room's presenter and for the size
// check against the configured max before calling RelayFrame.
func (r *Room) RelayFrame(senderID types.SessionID, data []byte) {
	r.mu.Lock()
	if senderID != r.presenterSessionID {
		r.mu.Unlock()
		return
	}

	if isInitSegment(data) {
		// Cache-first, so a joiner can never observe a relay that happened
		// without the cache already reflecting it (spec.md §9 open question 3).
		r.cachedInitSegment = append([]byte(nil), data...)
	}

	targets := make([]types.SessionID, 0, len(r.viewers))
	for viewerID := range r.viewers {
		targets = append(targets, viewerID)
	}
	roomID := string(r.id)
	r.mu.Unlock()

	for _, viewerID := range targets {
		sender, ok := r.lookup(viewerID)
		if !ok {
			continue
		}
		if sender.SendBinary(data) {
			metrics.FramesRelayedTotal.WithLabelValues(roomID).Inc()
		} else {
			metrics.FramesDroppedTotal.WithLabelValues(roomID).Inc()
			r.mu.Lock()
			r.droppedFrames++
			r.mu.Unlock()
		}
	}
}

// DroppedFrames returns the room's cumulative per-viewer drop count,
// exposed for diagnostics and tests.
func (r *Room) DroppedFrames() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.droppedFrames
}

// CachedInitSegment returns a copy of the currently cached init segment,
// nil if none has been detected yet.
func (r *Room) CachedInitSegment() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cachedInitSegment == nil {
		return nil
	}
	return append([]byte(nil), r.cachedInitSegment...)
}

// isInitSegment applies the two heuristics spec.md §4.4 requires: an fMP4
// ftyp/moov box header, or an H.264 Annex-B start code followed by an
// SPS/PPS NAL unit.
func isInitSegment(data []byte) bool {
	return isFMP4InitSegment(data) || isH264AnnexBInitSegment(data)
}

func isFMP4InitSegment(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	box := string(data[4:8])
	return box == "ftyp" || box == "moov"
}

func isH264AnnexBInitSegment(data []byte) bool {
	offset, ok := startCodeLength(data)
	if !ok {
		return false
	}
	if offset >= len(data) {
		return false
	}
	nalType := data[offset] & 0x1F
	return nalType == h264NALTypeSPS || nalType == h264NALTypePPS
}

// startCodeLength detects a 3-byte (00 00 01) or 4-byte (00 00 00 01)
// Annex-B start code at the front of data and returns the offset of the
// byte immediately following it.
func startCodeLength(data []byte) (int, bool) {
	switch {
	case len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1:
		return 4, true
	case len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1:
		return 3, true
	default:
		return 0, false
	}
}
