package transport

// Bluetooth base UUID: 16-bit assigned numbers expand to
// 0000xxxx-0000-1000-8000-00805f9b34fb.
var bluetoothBaseUUID = [16]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// attUUID converts a little-endian 2- or 16-byte attribute UUID into the
// RFC 4122 byte order the engine's profile cache uses.
func attUUID(le []byte) ([16]byte, bool) {
	var out [16]byte
	switch len(le) {
	case 2:
		out = bluetoothBaseUUID
		out[2] = le[1]
		out[3] = le[0]
		return out, true
	case 16:
		for i, b := range le {
			out[15-i] = b
		}
		return out, true
	}
	return out, false
}
