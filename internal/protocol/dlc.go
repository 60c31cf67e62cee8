package protocol

// CAN-FD data length codes. Codes above 8 map to the non-linear FD sizes.
var dlcToBytes = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToBytes returns the payload byte count for a 4-bit DLC code.
func DLCToBytes(dlc uint8) int {
	return int(dlcToBytes[dlc&0x0F])
}

// BytesToDLC returns the smallest DLC code whose payload holds n bytes.
// Lengths above 64 return 15.
func BytesToDLC(n int) uint8 {
	for code, size := range dlcToBytes {
		if int(size) >= n {
			return uint8(code)
		}
	}
	return 15
}
