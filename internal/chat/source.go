package chat

const (
	unknownSourceTitle = "Unknown Source"
	defaultSourceType  = "pdf"
)

// SourceInfo is the display data of a notebook source.
type SourceInfo struct {
	Title string
	Type  string
}

// SourceLookup resolves citation source ids to their display data.
type SourceLookup interface {
	Resolve(sourceID string) (SourceInfo, bool)
}

// SourceTable is a SourceLookup backed by a one-time fetch of a notebook's sources.
type SourceTable map[string]SourceInfo

func (t SourceTable) Resolve(sourceID string) (SourceInfo, bool) {
	info, ok := t[sourceID]
	return info, ok
}

func resolveSource(lookup SourceLookup, sourceID string) SourceInfo {
	info := SourceInfo{Title: unknownSourceTitle, Type: defaultSourceType}
	if lookup == nil {
		return info
	}
	found, ok := lookup.Resolve(sourceID)
	if !ok {
		return info
	}
	if found.Title != "" {
		info.Title = found.Title
	}
	if found.Type != "" {
		info.Type = found.Type
	}
	return info
}
