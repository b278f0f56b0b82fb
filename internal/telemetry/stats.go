package telemetry

// SessionStats summarises the sessions started within a range.
type SessionStats struct {
	Total     int `json:"totalSessions"`
	Active    int `json:"activeSessions"`
	Completed int `json:"completedSessions"`
	Cancelled int `json:"cancelledSessions"`
	Errored   int `json:"errorSessions"`
	// AvgDurationMS averages ended sessions only; zero when none ended.
	AvgDurationMS float64             `json:"avgDurationMs"`
	Messages      int                 `json:"totalMessages"`
	ByType        map[SessionType]int `json:"sessionsByType"`
}

// AddGroup folds n sessions of one type and status into s. Backends call it
// once per row of a grouped count.
func (s *SessionStats) AddGroup(typ SessionType, status SessionStatus, n int) {
	if s.ByType == nil {
		s.ByType = make(map[SessionType]int)
	}
	s.Total += n
	s.ByType[typ] += n
	switch status {
	case StatusActive:
		s.Active += n
	case StatusCompleted:
		s.Completed += n
	case StatusCancelled:
		s.Cancelled += n
	case StatusError:
		s.Errored += n
	}
}

// Finish completes s after the last group was added.
func (s *SessionStats) Finish() {
	if s.ByType == nil {
		s.ByType = make(map[SessionType]int)
	}
}

// FeedbackStats summarises the feedback given within a range.
type FeedbackStats struct {
	Total    int `json:"totalFeedbacks"`
	Positive int `json:"positiveCount"`
	Negative int `json:"negativeCount"`
	Adopted  int `json:"adoptedCount"`
	Rejected int `json:"rejectedCount"`
	Modified int `json:"modifiedCount"`
	// AvgRating averages rated feedback only.
	AvgRating    float64            `json:"avgRating"`
	ByTarget     map[TargetType]int `json:"feedbacksByTargetType"`
	PositiveRate float64            `json:"positiveRate"`
	AdoptionRate float64            `json:"adoptionRate"`
}

// AddGroup folds n feedback entries of one target and type into f.
func (f *FeedbackStats) AddGroup(target TargetType, typ FeedbackType, n int) {
	if f.ByTarget == nil {
		f.ByTarget = make(map[TargetType]int)
	}
	f.Total += n
	f.ByTarget[target] += n
	switch typ {
	case FeedbackPositive:
		f.Positive += n
	case FeedbackNegative:
		f.Negative += n
	case FeedbackAdopted:
		f.Adopted += n
	case FeedbackRejected:
		f.Rejected += n
	case FeedbackModified:
		f.Modified += n
	}
}

// Finish computes the rates. Both are shares of all feedback, so they stay 0
// for an empty range.
func (f *FeedbackStats) Finish() {
	if f.ByTarget == nil {
		f.ByTarget = make(map[TargetType]int)
	}
	if f.Total == 0 {
		return
	}
	f.PositiveRate = float64(f.Positive) / float64(f.Total)
	f.AdoptionRate = float64(f.Adopted) / float64(f.Total)
}
