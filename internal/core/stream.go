package core

import "sync"

// trackStream is a threadsafe MediaStream over a fixed track list.
type trackStream struct {
	tracks []MediaTrack

	mu      sync.Mutex
	stopped bool
}

// NewStream builds a MediaStream from already-acquired tracks, keeping
// their order.
func NewStream(tracks ...MediaTrack) MediaStream {
	return &trackStream{tracks: tracks}
}

func (s *trackStream) Tracks() []MediaTrack {
	out := make([]MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *trackStream) FirstTrack(kind TrackKind) (MediaTrack, bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *trackStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.Stop()
	}
}
