// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ptrutils

func PtrTo[T any](value T) *T {
	return &value
}

// ValueOr returns *ptr, or fallback when ptr is nil.
func ValueOr[T any](ptr *T, fallback T) T {
	if ptr == nil {
		return fallback
	}
	return *ptr
}
