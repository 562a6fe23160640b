package vsock

import "github.com/soypat/vsock/vsockhdr"

// readHeaderAndBody decodes the header at the start of buffer and copies the
// body it declares into body.
func readHeaderAndBody(buffer, body []byte) (hdr vsockhdr.Header, err error) {
	if len(buffer) < vsockhdr.HeaderLen {
		return hdr, ErrBufferTooShort
	}
	hdr = vsockhdr.DecodeHeader(buffer)
	bodyLen := uint(hdr.Len)
	dataEnd, ok := checkedAdd(uint(vsockhdr.HeaderLen), bodyLen)
	if !ok {
		return vsockhdr.Header{}, ErrInvalidNumber
	}
	if dataEnd > uint(len(buffer)) {
		return vsockhdr.Header{}, ErrBufferTooShort
	}
	if bodyLen > uint(len(body)) {
		return vsockhdr.Header{}, &OutputBufferTooShortError{Required: int(bodyLen)}
	}
	copy(body, buffer[vsockhdr.HeaderLen:dataEnd])
	return hdr, nil
}

// checkDataIsEmpty validates packets whose operation carries no body.
func checkDataIsEmpty(hdr *vsockhdr.Header) error {
	if hdr.Len != 0 {
		return ErrUnexpectedDataInPacket
	}
	return nil
}
