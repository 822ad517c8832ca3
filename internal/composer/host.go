package composer

// HostConfig aggregates every static host option enumerated in spec.md §6.
// It is read-only configuration loaded once by the server and never
// mutated (spec.md §5 "Shared resources").
type HostConfig struct {
	// AMDLoaderURL is the external pipe runtime loader's URL. Ignored when
	// PipeDefinition is set.
	AMDLoaderURL string
	// PipeDefinition, if non-nil, is inlined as the runtime instead of an
	// external loader script tag; it also suppresses the Link preload
	// header for the loader (spec.md §4.5).
	PipeDefinition []byte
	// PipeInstanceName is the client-side global name, default "p".
	PipeInstanceName string
	// MaxAssetLinks caps stylesheets and fragment-scripts used per
	// fragment, default 1.
	MaxAssetLinks int
	// HandledTags lists additional tag names delegated to TagHandler.
	HandledTags []string
}

const defaultPipeInstanceName = "p"

func (h HostConfig) pipeInstanceName() string {
	if h.PipeInstanceName == "" {
		return defaultPipeInstanceName
	}
	return h.PipeInstanceName
}

func (h HostConfig) maxAssetLinks() int {
	if h.MaxAssetLinks <= 0 {
		return 1
	}
	return h.MaxAssetLinks
}

// identityAttributeMapper is used when the host supplies no AttributeMapper:
// it contributes no keys beyond the base id/range pair every hook carries.
type identityAttributeMapper struct{}

func (identityAttributeMapper) PipeAttributes(map[string]string) map[string]any { return nil }
