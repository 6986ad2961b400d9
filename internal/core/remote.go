package core

import "sync"

// RemoteStream collects the remote tracks the connection delivers, in
// arrival order. The tracks stay owned by the connection object; this
// is only a view for the rendering layer.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (s *RemoteStream) Add(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *RemoteStream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = nil
}
