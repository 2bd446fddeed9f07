package editor

// KeepLocal resolves a pending conflict by publishing the offline draft as
// the canonical text, overwriting the remote version. On a failed publish
// the conflict and draft stay intact and the error is returned; the caller
// re-invokes explicitly.
func (s *Session) KeepLocal() error {
	return s.resolve(func() error {
		return s.publishCanonical(s.conflict.Local)
	})
}

// AcceptRemote resolves a pending conflict by discarding the offline draft
// and adopting the latest remote text.
func (s *Session) AcceptRemote() error {
	return s.resolve(func() error {
		s.plaintext = s.latestRemote
		return nil
	})
}

// ApplyMerge resolves a pending conflict by publishing caller-merged text
// as the canonical version. Like KeepLocal, a failed publish leaves the
// conflict pending.
func (s *Session) ApplyMerge(text string) error {
	return s.resolve(func() error {
		return s.publishCanonical(text)
	})
}

func (s *Session) resolve(apply func() error) error {
	var err error
	ok := s.call(func() {
		if s.state != StateConflict {
			err = ErrNoConflict
			return
		}
		if err = apply(); err != nil {
			return
		}
		s.clearDraft()
		s.conflict = nil
		s.state = StateClean
	})
	if !ok {
		return ErrClosed
	}
	return err
}
