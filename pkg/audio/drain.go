package audio

// Drain discards values from ch until it is closed. Used when a turn is
// abandoned and the producer of a fragment stream must still be unblocked.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
