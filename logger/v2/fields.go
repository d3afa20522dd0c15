package v2

import "time"

// String creates a string field
func String(key, value string) Field {
	return Field{
		Key:   key,
		Value: value,
	}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{
		Key:   key,
		Value: value,
	}
}

// Int64 creates an int64 field, used for request ids
func Int64(key string, value int64) Field {
	return Field{
		Key:   key,
		Value: value,
	}
}

// Duration creates a field rendered as a Go duration string
func Duration(key string, value time.Duration) Field {
	return Field{
		Key:   key,
		Value: value.String(),
	}
}

// Error creates an error field
func Error(err error) Field {
	return Field{
		Key:   "error",
		Value: err,
	}
}

// Any creates a field with any value type
func Any(key string, value interface{}) Field {
	return Field{
		Key:   key,
		Value: value,
	}
}
