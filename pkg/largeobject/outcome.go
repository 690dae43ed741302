package largeobject

// Outcome is the result of processing one object.
type Outcome int

const (
	Succeeded Outcome = iota
	// Skipped objects needed no work: already imported, or owned by another shard.
	Skipped
	// Corrupt objects are permanently skipped for the current run.
	Corrupt
	// Failed objects are retried by the next round or the next run.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Corrupt:
		return "corrupt"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// Result is what processing one object produced.
type Result struct {
	ID      ObjectID
	Pages   int
	Outcome Outcome
	Err     error
}
