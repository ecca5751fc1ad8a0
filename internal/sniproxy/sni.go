package sniproxy

import "encoding/binary"

const (
	recordTypeHandshake    = 0x16
	handshakeTypeClientHello = 0x01
	extensionServerName    = 0x00
	serverNameTypeHostname = 0x00
)

// ExtractSNI parses the server_name extension out of the first TLS record
// in data, which must be a complete ClientHello handshake record. It does
// not reassemble fragmented records; malformed or incomplete input yields
// ok=false.
func ExtractSNI(data []byte) (host string, ok bool) {
	if len(data) < 5 || data[0] != recordTypeHandshake {
		return "", false
	}
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < 5+recordLen {
		return "", false
	}
	body := data[5 : 5+recordLen]

	if len(body) < 4 || body[0] != handshakeTypeClientHello {
		return "", false
	}
	// body[1:4] is the 24-bit handshake length; trust the record framing
	// instead of re-deriving it.
	pos := 4

	pos += 2 // client_version
	pos += 32 // random
	if pos >= len(body) {
		return "", false
	}

	sessionIDLen := int(body[pos])
	pos++
	pos += sessionIDLen
	if pos+2 > len(body) {
		return "", false
	}

	cipherSuitesLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2 + cipherSuitesLen
	if pos >= len(body) {
		return "", false
	}

	compressionLen := int(body[pos])
	pos++
	pos += compressionLen
	if pos+2 > len(body) {
		return "", false
	}

	extensionsLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+extensionsLen > len(body) {
		return "", false
	}
	extensions := body[pos : pos+extensionsLen]

	for len(extensions) >= 4 {
		extType := binary.BigEndian.Uint16(extensions[0:2])
		extLen := int(binary.BigEndian.Uint16(extensions[2:4]))
		if len(extensions) < 4+extLen {
			return "", false
		}
		payload := extensions[4 : 4+extLen]
		if extType == extensionServerName {
			return parseServerNameList(payload)
		}
		extensions = extensions[4+extLen:]
	}
	return "", false
}

func parseServerNameList(payload []byte) (string, bool) {
	if len(payload) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(payload[0:2]))
	entries := payload[2:]
	if len(entries) < listLen {
		return "", false
	}
	entries = entries[:listLen]

	for len(entries) >= 3 {
		nameType := entries[0]
		nameLen := int(binary.BigEndian.Uint16(entries[1:3]))
		if len(entries) < 3+nameLen {
			return "", false
		}
		name := entries[3 : 3+nameLen]
		if nameType == serverNameTypeHostname {
			return string(name), true
		}
		entries = entries[3+nameLen:]
	}
	return "", false
}
