package block

import "hash/crc32"

// ComputeChecksum returns the CRC-32 (IEEE polynomial) over header and
// trailer, with the header's own Checksum field zeroed so the value is
// reproducible regardless of what was last stored there. It deliberately
// excludes the body: corrupting a byte inside the body must never change
// the checksum, only corrupting the header or trailer should.
func ComputeChecksum(header Header, trailer Trailer) uint32 {
	header.Checksum = 0
	buf := make([]byte, 0, HeaderSize+TrailerSize)
	buf = append(buf, header.MarshalBinary()...)
	buf = append(buf, trailer.MarshalBinary()...)
	return crc32.ChecksumIEEE(buf)
}
