package event

// Event kinds used by the platform.
const (
	// KindHTTPAuth is the fixed kind for HTTP auth proof events.
	KindHTTPAuth = 27235
	// KindResource is a free long-form resource (replaceable by "d" tag).
	KindResource = 30023
	// KindPaidResource is a priced resource listing (replaceable by "d" tag).
	KindPaidResource = 30402
	// KindCourse is a curation set referencing lesson resources in order.
	KindCourse = 30004
)

// Resource content types carried in the "type" tag.
const (
	TypeVideo    = "video"
	TypeDocument = "document"
	TypeCourse   = "course"
)
