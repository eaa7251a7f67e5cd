package frame

// BitFrame is a bit-addressable buffer used while assembling a command or
// decoding a reply. Bits are packed MSB-first. The backing array is fixed so
// a frame never grows past MaxFrameBits; callers reuse one frame per exchange.
type BitFrame struct {
	buf  [MaxFrameBytes]byte
	n    int // total bits written
	read int // read cursor in bits
}

// Reset empties the frame and rewinds the read cursor.
func (f *BitFrame) Reset() {
	clear(f.buf[:(f.n+7)/8])
	f.n = 0
	f.read = 0
}

// Len returns the number of bits held.
func (f *BitFrame) Len() int {
	return f.n
}

// ByteCount returns the number of complete bytes held.
func (f *BitFrame) ByteCount() int {
	return f.n / 8
}

// ResidualBits returns the number of bits held past the last complete byte.
func (f *BitFrame) ResidualBits() int {
	return f.n % 8
}

// Bytes returns the packed bits, including a partially filled last byte.
// The slice aliases the frame and is only valid until the next mutation.
func (f *BitFrame) Bytes() []byte {
	return f.buf[:(f.n+7)/8]
}

// Bit reports the value of bit i.
func (f *BitFrame) Bit(i int) bool {
	if i < 0 || i >= f.n {
		return false
	}
	return f.buf[i/8]&(0x80>>(i%8)) != 0
}

// AppendBit appends a single bit.
func (f *BitFrame) AppendBit(bit bool) error {
	if f.n >= MaxFrameBits {
		return ErrOverflow
	}
	if bit {
		f.buf[f.n/8] |= 0x80 >> (f.n % 8)
	} else {
		f.buf[f.n/8] &^= 0x80 >> (f.n % 8)
	}
	f.n++
	return nil
}

// AppendBits appends the low width bits of value, most significant first.
func (f *BitFrame) AppendBits(value uint16, width int) error {
	if width < 1 || width > MaxFieldWidth {
		return ErrFieldWidth
	}
	if f.n+width > MaxFrameBits {
		return ErrOverflow
	}
	for i := width - 1; i >= 0; i-- {
		_ = f.AppendBit(value&(1<<i) != 0)
	}
	return nil
}

// AppendBytes appends whole bytes regardless of the current bit alignment.
func (f *BitFrame) AppendBytes(p []byte) error {
	if f.n+len(p)*8 > MaxFrameBits {
		return ErrOverflow
	}
	for _, b := range p {
		_ = f.AppendBits(uint16(b), 8)
	}
	return nil
}

// AppendFrame appends the first n bits of other.
func (f *BitFrame) AppendFrame(other *BitFrame, n int) error {
	if n > other.n {
		n = other.n
	}
	if f.n+n > MaxFrameBits {
		return ErrOverflow
	}
	for i := range n {
		_ = f.AppendBit(other.Bit(i))
	}
	return nil
}

// PadEven appends a zero bit when the frame holds an odd number of bits.
func (f *BitFrame) PadEven() error {
	if f.n%2 == 0 {
		return nil
	}
	return f.AppendBit(false)
}

// AppendCRC16 appends the CRC-16 of everything written so far.
func (f *BitFrame) AppendCRC16() error {
	return f.AppendBits(CRC16Bits(f, 0, f.n), CRC16Len)
}

// AppendAlignedCRC16 pads the frame to an even length before appending the
// CRC-16, as GB/T 29768 long commands and replies require.
func (f *BitFrame) AppendAlignedCRC16() error {
	if err := f.PadEven(); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// AppendCRC5 appends the CRC-5 of everything written so far.
func (f *BitFrame) AppendCRC5() error {
	return f.AppendBits(uint16(CRC5Bits(f, 0, f.n)), CRC5Len)
}

// Load replaces the contents with the first nbits of p.
func (f *BitFrame) Load(p []byte, nbits int) error {
	if nbits > MaxFrameBits || nbits > len(p)*8 {
		return ErrOverflow
	}
	f.Reset()
	copy(f.buf[:], p[:(nbits+7)/8])
	f.n = nbits
	if rem := nbits % 8; rem != 0 {
		f.buf[nbits/8] &= byte(0xFF << (8 - rem))
	}
	return nil
}

// Truncate drops every bit past n.
func (f *BitFrame) Truncate(n int) {
	if n < 0 || n >= f.n {
		return
	}
	for i := n; i < f.n && i%8 != 0; i++ {
		f.buf[i/8] &^= 0x80 >> (i % 8)
	}
	clear(f.buf[(n+7)/8 : (f.n+7)/8])
	f.n = n
	if f.read > n {
		f.read = n
	}
}

// Seek moves the read cursor to bit position pos.
func (f *BitFrame) Seek(pos int) {
	f.read = max(0, min(pos, f.n))
}

// Remaining returns the number of unread bits.
func (f *BitFrame) Remaining() int {
	return f.n - f.read
}

// ReadBits reads width bits at the read cursor, most significant first.
func (f *BitFrame) ReadBits(width int) (uint16, error) {
	if width < 1 || width > MaxFieldWidth {
		return 0, ErrFieldWidth
	}
	if f.read+width > f.n {
		return 0, ErrUnderflow
	}
	var v uint16
	for range width {
		v <<= 1
		if f.Bit(f.read) {
			v |= 1
		}
		f.read++
	}
	return v, nil
}

// ReadBytes reads n whole bytes at the read cursor.
func (f *BitFrame) ReadBytes(n int) ([]byte, error) {
	if f.read+n*8 > f.n {
		return nil, ErrUnderflow
	}
	out := make([]byte, n)
	for i := range out {
		v, _ := f.ReadBits(8)
		out[i] = byte(v)
	}
	return out, nil
}
