// Package hwenc provides an asynchronous video encoder component runtime in
// Go, modelled on hardware encoder blocks (AVC and HEVC variants).
//
// Key pieces include:
//   - Frame allocators over system memory and device surfaces
//   - A typed parameter registry (Interface) with query/config, validation
//     against supported values and per-session locking of static settings
//   - Components with a stopped/running/released lifecycle that encode
//     queued works in order on one worker goroutine
//   - Listener dispatch of completions, tripped and error events
//   - RTP packetization of coded output and Prometheus statistics
//
// # Architecture
//
//	Client -> Interface.Config -> Component.Start
//	Client -> Component.Queue(works) -> worker -> EncodeSurface -> Listener.OnWorkDone
//	Listener -> WorkPacketizer -> RTP
//
// Parameters configured while running are applied at the queue position of
// the Config call; tunings attached to a work apply before that work.
//
// # Encode Surfaces
//
// SoftSurface is a deterministic bitstream generator used by default. When
// the libmedia_h264 wrapper is present, NativeSurfaceFactory binds it through
// purego. Set HWENC_LIB_PATH (or MEDIA_H264_LIB_PATH) to the directory
// containing the library.
//
// # Build Tags
//
//   - nonative: never load native libraries
package hwenc
