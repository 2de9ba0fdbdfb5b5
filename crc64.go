package unvme

// CRC-64 as used by NVMe end-to-end data protection (the Rocksoft model
// parameters from the command set specification): reflected, initialized and
// finalized with all ones.

// reflected form of the crc64 polynomial
const crc64Poly = 0x9a6c9329ac4bc9b5

var crc64Table [256]uint64

func init() {
	for i := range crc64Table {
		crc := uint64(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ crc64Poly
			} else {
				crc >>= 1
			}
		}
		crc64Table[i] = crc
	}
}

// CRC64 folds buf into crc. Pass 0 to start a fresh computation and the
// previous result to continue one across buffers.
func CRC64(crc uint64, buf []byte) uint64 {
	crc = ^crc

	for _, b := range buf {
		crc = crc>>8 ^ crc64Table[uint8(crc)^b]
	}

	return ^crc
}
