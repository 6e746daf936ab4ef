package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	headerSize = 20
	// maxFrameSize bounds the payload length read from the network
	maxFrameSize = 64 << 20
)

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: partition id (int32 widened to uint64, big endian)
// - 8 bytes: call id (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: serialized message
func writeFrame(w io.Writer, partitionID int32, callID uint64, data []byte) error {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], uint64(uint32(partitionID)))
	binary.BigEndian.PutUint64(header[8:16], callID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(w)
	return err
}

// readFrame reads one frame. The returned data is freshly allocated.
func readFrame(r io.Reader) (int32, uint64, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, nil, err
	}

	partitionID := int32(uint32(binary.BigEndian.Uint64(header[:8])))
	callID := binary.BigEndian.Uint64(header[8:16])
	contentLength := binary.BigEndian.Uint32(header[16:20])
	if contentLength > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("frame of %d bytes exceeds the limit of %d bytes", contentLength, maxFrameSize)
	}

	data := make([]byte, contentLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, 0, nil, err
	}
	return partitionID, callID, data, nil
}
