package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Each analysis stage sends the same system prompt for every
// finding, so a 5-minute TTL covers a batch.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
