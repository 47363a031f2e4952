package fastq

// QualOffset is the Phred+33 (Sanger / Illumina 1.8+) ASCII offset.
const QualOffset = 33

// EncodeQual converts a phred score to its quality byte. Scores outside
// [0, 93] are clamped to the printable range.
func EncodeQual(q int) byte {
	if q < 0 {
		q = 0
	}
	if q > 93 {
		q = 93
	}
	return byte(q + QualOffset)
}

// DecodeQual converts a quality byte to its phred score.
func DecodeQual(b byte) int {
	return int(b) - QualOffset
}

// MeanQual returns the mean phred score of quals, truncated toward zero.
// It returns 0 for an empty string.
func MeanQual(quals string) int {
	if len(quals) == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < len(quals); i++ {
		sum += DecodeQual(quals[i])
	}
	return sum / len(quals)
}
