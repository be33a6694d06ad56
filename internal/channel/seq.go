package channel

// sequence numbers outbound messages. It is owned by the dispatch goroutine;
// the zero value has issued nothing and the first Next returns 1.
type sequence uint32

// Next issues the following number.
func (s *sequence) Next() uint32 {
	*s++
	return uint32(*s)
}

// upcoming returns what Next will issue, without issuing it.
func (s sequence) upcoming() uint32 { return uint32(s) + 1 }
