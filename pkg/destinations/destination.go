package destinations

type DstType int32

const (
	LocalDir DstType = iota
	S3
)

func (s DstType) String() string {
	switch s {
	case LocalDir:
		return "local"
	case S3:
		return "s3"
	}

	return "unknown"
}
