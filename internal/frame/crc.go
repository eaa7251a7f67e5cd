package frame

// CRC16Bits computes the CRC-16/CCITT (preset 0xFFFF, complemented result)
// over n bits of f starting at bit start. Both air interfaces use it for
// data-bearing commands and replies.
func CRC16Bits(f *BitFrame, start, n int) uint16 {
	crc := uint16(crc16Preset)
	for i := start; i < start+n; i++ {
		top := crc&0x8000 != 0
		crc <<= 1
		if top != f.Bit(i) {
			crc ^= crc16Poly
		}
	}
	return ^crc
}

// CRC16 computes the CRC-16 over the first nbits of data.
func CRC16(data []byte, nbits int) uint16 {
	var f BitFrame
	if err := f.Load(data, nbits); err != nil {
		return 0
	}
	return CRC16Bits(&f, 0, nbits)
}

// CRC16Bytes computes the CRC-16 over whole bytes. Unlike CRC16 it has no
// length limit.
func CRC16Bytes(data []byte) uint16 {
	crc := uint16(crc16Preset)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}

// CRC5Bits computes the 5-bit CRC (x^5+x^3+1, preset 01001) over n bits of f
// starting at bit start. It protects short slot commands and slot replies.
func CRC5Bits(f *BitFrame, start, n int) uint8 {
	crc := uint8(crc5Preset)
	for i := start; i < start+n; i++ {
		top := crc&0x10 != 0
		crc = (crc << 1) & 0x1F
		if top != f.Bit(i) {
			crc ^= crc5Poly
		}
	}
	return crc
}

// CRC5 computes the CRC-5 over the first nbits of data.
func CRC5(data []byte, nbits int) uint8 {
	var f BitFrame
	if err := f.Load(data, nbits); err != nil {
		return 0
	}
	return CRC5Bits(&f, 0, nbits)
}
