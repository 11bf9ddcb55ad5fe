package messenger

// Advance is the verdict of checking an offset against a sequence space.
type Advance int

const (
	Applied Advance = iota
	Stale
	Gap
)

func (a Advance) String() string {
	switch a {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	}
	return "invalid"
}

// SequenceState holds the four sequence counters. It is owned by the
// engine's stage actor and is not safe for concurrent use.
type SequenceState struct {
	seq  int
	pts  int
	qts  int
	date int

	channelPts map[int64]int
}

// NewSequenceState starts from a persisted floor and channel table.
func NewSequenceState(st State, channels map[int64]int) *SequenceState {
	s := &SequenceState{
		seq:        st.Seq,
		pts:        st.Pts,
		qts:        st.Qts,
		date:       st.Date,
		channelPts: make(map[int64]int, len(channels)),
	}
	for id, pts := range channels {
		if pts > 0 {
			s.channelPts[id] = pts
		}
	}
	return s
}

// TryAdvance checks value against the space's counter. value-count is the
// offset the update expects to follow. On Applied the counter moves to
// value. The seq space also accepts a replay of the current value.
// A channel without a known pts always reports Gap.
func (s *SequenceState) TryAdvance(space Space, channelID int64, value, count int) Advance {
	var cur *int
	switch space {
	case SpaceSeq:
		if s.seq+count == value || s.seq == value {
			s.seq = value
			return Applied
		}
		if value < s.seq {
			return Stale
		}
		return Gap
	case SpacePts:
		cur = &s.pts
	case SpaceQts:
		cur = &s.qts
	case SpaceChannel:
		pts, ok := s.channelPts[channelID]
		if !ok {
			return Gap
		}
		if pts+count == value {
			s.channelPts[channelID] = value
			return Applied
		}
		if value <= pts {
			return Stale
		}
		return Gap
	default:
		return Applied
	}

	if *cur+count == value {
		*cur = value
		return Applied
	}
	if value <= *cur {
		return Stale
	}
	return Gap
}

// ForceSet moves a counter to an authoritative value, in either direction.
func (s *SequenceState) ForceSet(space Space, channelID int64, value int) {
	switch space {
	case SpaceSeq:
		s.seq = value
	case SpacePts:
		s.pts = value
	case SpaceQts:
		s.qts = value
	case SpaceChannel:
		s.channelPts[channelID] = value
	}
}

// ForceState replaces the whole global floor.
func (s *SequenceState) ForceState(st State) {
	s.pts = st.Pts
	s.qts = st.Qts
	s.seq = st.Seq
	s.date = st.Date
}

// Value returns the counter for a space. Unknown channels return 0.
func (s *SequenceState) Value(space Space, channelID int64) int {
	switch space {
	case SpaceSeq:
		return s.seq
	case SpacePts:
		return s.pts
	case SpaceQts:
		return s.qts
	case SpaceChannel:
		return s.channelPts[channelID]
	}
	return 0
}

// ChannelPts reports the known pts of a channel.
func (s *SequenceState) ChannelPts(channelID int64) (int, bool) {
	pts, ok := s.channelPts[channelID]
	return pts, ok
}

// ForgetChannel drops a channel's pts, e.g. after leaving it.
func (s *SequenceState) ForgetChannel(channelID int64) {
	delete(s.channelPts, channelID)
}

// SetDate records the server date of the last applied container.
func (s *SequenceState) SetDate(date int) {
	if date > s.date {
		s.date = date
	}
}

// State returns the global floor.
func (s *SequenceState) State() State {
	return State{Pts: s.pts, Qts: s.qts, Seq: s.seq, Date: s.date}
}

// Channels returns a copy of the channel pts table.
func (s *SequenceState) Channels() map[int64]int {
	out := make(map[int64]int, len(s.channelPts))
	for id, pts := range s.channelPts {
		out[id] = pts
	}
	return out
}
