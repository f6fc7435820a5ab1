package unflatten

type Config struct {
	// MinCases is the minimal number of distinct dispatcher targets.
	MinCases int

	// MaxGrowth bounds the function size as a multiple of its initial block count.
	MaxGrowth int

	// LastChance enables the one relaxed retry per function.
	LastChance bool

	// Erase removes state assignments made dead by committed rewires.
	Erase bool
}

func DefaultConfig() Config {
	return Config{
		MinCases:   2,
		MaxGrowth:  4,
		LastChance: true,
		Erase:      true,
	}
}
