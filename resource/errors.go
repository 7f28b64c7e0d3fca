package resource

import "errors"

// ErrMetadataTooLarge is raised synchronously at construction time when
// packed metadata exceeds MetadataMaxSize, per spec.md §7
// ("Resource-exceeds-limits").
var ErrMetadataTooLarge = errors.New("resource: metadata exceeds maximum size")

// ErrInvalidDataType is raised at construction time when data is neither
// nil, []byte, nor an io.ReadSeeker.
var ErrInvalidDataType = errors.New("resource: data must be []byte, an io.ReadSeeker, or nil")

// ErrUnpackAdvertisement is returned by Accept when the advertisement
// packet cannot be decoded.
var ErrUnpackAdvertisement = errors.New("resource: could not decode advertisement")
