package pipeline

// RuntimeConfig tunes the native codec runtime when one is compiled in.
type RuntimeConfig struct {
	CacheMemBytes int
}
