package service

import "time"

// QualityProfile is the immutable launch-time quality selection for a
// session: capped dimension, encoder bitrate and frame rate.
type QualityProfile struct {
	Label   string `json:"label"`
	MaxSize int    `json:"max_size"`
	BitRate int    `json:"bit_rate"`
	MaxFPS  int    `json:"max_fps"`
}

// TierBand maps a live-session count ceiling to the profile applied to new
// sessions plus the batch-scheduler chunking for that fleet size.
type TierBand struct {
	MaxDevices int            `json:"max_devices"`
	Profile    QualityProfile `json:"profile"`
	ChunkSize  int            `json:"chunk_size"`
	ChunkDelay time.Duration  `json:"chunk_delay"`
}

// qualityTiers degrade monotonically as the fleet grows. Larger fleets also
// get smaller chunks with longer inter-chunk delays so decoder/GPU context
// creation stays staggered.
var qualityTiers = []TierBand{
	{MaxDevices: 5, Profile: QualityProfile{Label: "ultra", MaxSize: 1920, BitRate: 8_000_000, MaxFPS: 60}, ChunkSize: 8, ChunkDelay: 500 * time.Millisecond},
	{MaxDevices: 20, Profile: QualityProfile{Label: "high", MaxSize: 1280, BitRate: 4_000_000, MaxFPS: 30}, ChunkSize: 6, ChunkDelay: time.Second},
	{MaxDevices: 50, Profile: QualityProfile{Label: "medium", MaxSize: 1024, BitRate: 2_000_000, MaxFPS: 25}, ChunkSize: 4, ChunkDelay: 2 * time.Second},
	{MaxDevices: 100, Profile: QualityProfile{Label: "low", MaxSize: 800, BitRate: 1_000_000, MaxFPS: 20}, ChunkSize: 3, ChunkDelay: 3 * time.Second},
	{MaxDevices: int(^uint(0) >> 1), Profile: QualityProfile{Label: "minimal", MaxSize: 640, BitRate: 500_000, MaxFPS: 15}, ChunkSize: 2, ChunkDelay: 5 * time.Second},
}

// ProfileFor derives the quality profile from the total live-session count.
// Pure step function: depends only on the count, never on call ordering.
// Already-running sessions keep the profile they launched with; a new tier
// only applies at (re)connect time.
func ProfileFor(liveSessions int) QualityProfile {
	return bandFor(liveSessions).Profile
}

// chunkingFor returns the batch chunk size and inter-chunk delay for the
// given device count.
func chunkingFor(devices int) (int, time.Duration) {
	band := bandFor(devices)
	return band.ChunkSize, band.ChunkDelay
}

func bandFor(n int) TierBand {
	for _, band := range qualityTiers {
		if n <= band.MaxDevices {
			return band
		}
	}
	return qualityTiers[len(qualityTiers)-1]
}

// TierTable exposes the step table on the pool admin surface.
func TierTable() []TierBand {
	table := make([]TierBand, len(qualityTiers))
	copy(table, qualityTiers)
	return table
}
