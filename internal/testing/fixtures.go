package testing

// Sample identifiers. The TIDs carry six words so they cover the default
// inline TID read.
var (
	SampleEPC  = []byte{0xE2, 0x00, 0x00, 0x17, 0x22, 0x0B, 0x01, 0x23, 0x12, 0x40, 0x9A, 0x0E}
	SampleTID  = []byte{0xE2, 0x80, 0x68, 0x94, 0x00, 0x00, 0x50, 0x12, 0x34, 0x56, 0x78, 0x9A}
	SampleGBID = []byte{0x8F, 0x10, 0x00, 0x42, 0x13, 0x57, 0x9B, 0xDF}
	SampleGBTI = []byte{0xC0, 0x01, 0x10, 0x29, 0x76, 0x80, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04}
)

// Gen2Population returns n Gen2 tags whose EPCs differ in the last word.
func Gen2Population(n int) []*VirtualTag {
	tags := make([]*VirtualTag, n)
	for i := range tags {
		tags[i] = NewGen2Tag(numbered(SampleEPC, i), numbered(SampleTID, i))
	}
	return tags
}

// GBPopulation returns n GB/T 29768 tags whose IDs differ in the last word.
func GBPopulation(n int) []*VirtualTag {
	tags := make([]*VirtualTag, n)
	for i := range tags {
		tags[i] = NewGBTag(numbered(SampleGBID, i), numbered(SampleGBTI, i))
	}
	return tags
}

func numbered(base []byte, i int) []byte {
	out := append([]byte(nil), base...)
	out[len(out)-2] = byte(i >> 8)
	out[len(out)-1] = byte(i)
	return out
}
