package output

// clampSample limits a sample to the [-1.0, 1.0] range before conversion.
func clampSample(s float32) float32 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

func sampleToS16(s float32) int16 {
	return int16(clampSample(s) * 32767)
}

func sampleToS32(s float32) int32 {
	return int32(float64(clampSample(s)) * 2147483647)
}

// sampleToU8 maps [-1.0, 1.0] onto the unsigned 8-bit range with silence
// at 128.
func sampleToU8(s float32) byte {
	return byte(int(clampSample(s)*127) + 128)
}
