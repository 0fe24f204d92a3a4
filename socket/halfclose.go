package socket

// handleReadEOF closes the write half once the read half reaches EOF, unless
// the write half is already closed or on its way there.
func (s *Socket) handleReadEOF() {
	performed, err := s.write.closeOrderly()
	if !performed {
		return
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to close write half after read EOF")
	}
	s.settle(err)
	s.release()
}
