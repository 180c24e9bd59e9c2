package collab

// Resolve picks between a store-provided value and a fallback. Only a
// missing value (nil) falls back; an empty string from the store is a
// valid value and is returned as is.
func Resolve(storeValue *string, fallback string) string {
	if storeValue == nil {
		return fallback
	}
	return *storeValue
}
