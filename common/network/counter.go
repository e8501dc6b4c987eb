package network

type CountFunc func(n int64)

// CountBytesSent feeds every outbound transfer of connection into counters.
func CountBytesSent(connection Connection, counters ...CountFunc) {
	connection.AddBytesSentCallback(func(n uint64) {
		for _, counter := range counters {
			counter(int64(n))
		}
	})
}
