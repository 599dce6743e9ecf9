//go:build !portaudio

package device

// Default returns the virtual provider when hardware support is not compiled in.
func Default() (Provider, string) {
	return NewVirtual(VirtualConfig{}), "virtual"
}
