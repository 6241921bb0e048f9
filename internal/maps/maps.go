package maps

// mapImplementation selects the concurrent map backend used across the tracer.
// Valid options: "xsync", "sync".
const mapImplementation = "xsync"

// Integer is a constraint covering every integer key used by the tracer
// (pids, tids, serials, packed task-group uids).
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a generic, thread-safe map for integer keys. The session
// registry is written only by the tracer's control goroutine but read
// concurrently by the metrics scrape path, so every index goes through this
// interface rather than a plain map.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
}

// NewConcurrentMap returns the default concurrent map implementation.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	switch mapImplementation {
	case "xsync":
		return NewXSyncMap[K, V]()
	case "sync":
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
