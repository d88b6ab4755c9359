package puller

// ActivityLevel summarizes what a Puller is currently doing, for status
// reporting and for a containing bidirectional replicator to aggregate.
type ActivityLevel int

const (
	Stopped ActivityLevel = iota
	Offline
	Connecting
	Idle
	Busy
)

func (a ActivityLevel) String() string {
	switch a {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return "stopped"
	}
}
