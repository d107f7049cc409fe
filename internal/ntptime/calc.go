package ntptime

import "math"

// Offset computes the clock offset in float seconds from the four exchange
// timestamps: t1 client send, t2 server receive, t3 server send, t4 client
// receive. Seconds and fractions are differenced separately so the full
// 32-bit fraction survives before the final division.
func Offset(t1, t2, t3, t4 Timestamp) float64 {
	sec := int64(t2.Seconds) - int64(t1.Seconds) + int64(t3.Seconds) - int64(t4.Seconds)
	frac := int64(t2.Fraction) - int64(t1.Fraction) + int64(t3.Fraction) - int64(t4.Fraction)
	return (float64(sec) + float64(frac)/fracScale) / 2
}

// RTT computes the round-trip time in float seconds, excluding the server's
// processing time.
func RTT(t1, t2, t3, t4 Timestamp) float64 {
	sec := int64(t4.Seconds) - int64(t1.Seconds) - (int64(t3.Seconds) - int64(t2.Seconds))
	frac := int64(t4.Fraction) - int64(t1.Fraction) - (int64(t3.Fraction) - int64(t2.Fraction))
	return float64(sec) + float64(frac)/fracScale
}

// OffsetSeconds is the float-seconds variant used for probe results that
// arrive as origin/receive/transmit/final seconds rather than raw
// timestamps. It must agree with Offset to within 1 ULP.
func OffsetSeconds(origin, receive, transmit, final float64) float64 {
	return ((receive - origin) + (transmit - final)) / 2
}

// RTTSeconds is the float-seconds variant of RTT.
func RTTSeconds(origin, receive, transmit, final float64) float64 {
	return (final - origin) - (transmit - receive)
}

// Jitter measures the spread of a series of offsets against the first
// sample. Fewer than two samples have no spread.
func Jitter(offsets []float64) float64 {
	if len(offsets) <= 1 {
		return 0
	}
	var sum float64
	for _, o := range offsets[1:] {
		d := o - offsets[0]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(offsets)-1))
}
