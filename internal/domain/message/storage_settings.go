package message

// StorageMode names a preset of storage flags. Message and connector message
// rows always persist regardless of mode so the recovery task can see message
// boundaries; the mode gates content only.
type StorageMode string

const (
	StorageDevelopment StorageMode = "DEVELOPMENT"
	StorageProduction  StorageMode = "PRODUCTION"
	StorageRaw         StorageMode = "RAW"
	StorageMetadata    StorageMode = "METADATA"
	StorageDisabled    StorageMode = "DISABLED"
)

// StorageSettings gates what persists at each pipeline stage.
type StorageSettings struct {
	Enabled bool

	StoreRaw                 bool
	StoreProcessedRaw        bool
	StoreTransformed         bool
	StoreSourceEncoded       bool
	StoreDestinationEncoded  bool
	StoreSent                bool
	StoreResponse            bool
	StoreResponseTransformed bool
	StoreProcessedResponse   bool
	StoreMaps                bool
	StoreResponseMap         bool
	StoreCustomMetaData      bool
	StoreAttachments         bool

	MessageRecoveryEnabled bool
	Durable                bool
	RawDurable             bool

	RemoveContentOnCompletion      bool
	RemoveOnlyFilteredOnCompletion bool
	RemoveAttachmentsOnCompletion  bool
}

// SettingsForMode computes the preset flag set for a named mode. Unknown
// modes fall back to PRODUCTION.
func SettingsForMode(mode StorageMode) StorageSettings {
	switch mode {
	case StorageDevelopment:
		return StorageSettings{
			Enabled:                  true,
			StoreRaw:                 true,
			StoreProcessedRaw:        true,
			StoreTransformed:         true,
			StoreSourceEncoded:       true,
			StoreDestinationEncoded:  true,
			StoreSent:                true,
			StoreResponse:            true,
			StoreResponseTransformed: true,
			StoreProcessedResponse:   true,
			StoreMaps:                true,
			StoreResponseMap:         true,
			StoreCustomMetaData:      true,
			StoreAttachments:         true,
			MessageRecoveryEnabled:   true,
			Durable:                  true,
			RawDurable:               true,
		}
	case StorageRaw:
		return StorageSettings{
			Enabled:    true,
			StoreRaw:   true,
			RawDurable: true,
		}
	case StorageMetadata:
		return StorageSettings{
			Enabled:                true,
			MessageRecoveryEnabled: true,
		}
	case StorageDisabled:
		return StorageSettings{}
	case StorageProduction:
		fallthrough
	default:
		return StorageSettings{
			Enabled:                 true,
			StoreRaw:                true,
			StoreSourceEncoded:      true,
			StoreDestinationEncoded: true,
			StoreSent:               true,
			StoreResponse:           true,
			StoreMaps:               true,
			StoreResponseMap:        true,
			StoreCustomMetaData:     true,
			StoreAttachments:        true,
			MessageRecoveryEnabled:  true,
			Durable:                 true,
			RawDurable:              true,
		}
	}
}

// StoresContent reports whether content of the given type persists under
// these settings.
func (s StorageSettings) StoresContent(ct ContentType, metaDataID int) bool {
	if !s.Enabled {
		return false
	}
	switch ct {
	case ContentRaw:
		return s.StoreRaw
	case ContentProcessedRaw:
		return s.StoreProcessedRaw
	case ContentTransformed:
		return s.StoreTransformed
	case ContentEncoded:
		if metaDataID == 0 {
			return s.StoreSourceEncoded
		}
		return s.StoreDestinationEncoded
	case ContentSent:
		return s.StoreSent
	case ContentResponse:
		return s.StoreResponse
	case ContentResponseTransformed:
		return s.StoreResponseTransformed
	case ContentProcessedResponse:
		return s.StoreProcessedResponse
	case ContentSourceMap, ContentChannelMap, ContentConnectorMap:
		return s.StoreMaps
	case ContentResponseMap:
		return s.StoreResponseMap
	case ContentProcessingError, ContentPostprocessorError, ContentResponseError:
		// Error content always persists while storage is enabled; it is the
		// only record of what went wrong.
		return true
	}
	return false
}
