// Package domain holds the marketplace core types and validation rules.
package domain

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
)

// AssetRef identifies one tradeable item: a collection handle plus a token
// id unique within that collection.
type AssetRef struct {
	Collection string
	TokenID    uint64
}

// Validate reports whether the reference can key a listing. Collection
// handles are opaque but must survive a path segment and a page token.
func (a AssetRef) Validate() error {
	collection := strings.TrimSpace(a.Collection)
	if collection == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "asset collection is required")
	}
	if collection != a.Collection {
		return apperrors.New(apperrors.CodeInvalidArgument, "asset collection must not have surrounding whitespace")
	}
	if strings.ContainsAny(collection, "/ \t\n") {
		return apperrors.New(apperrors.CodeInvalidArgument, "asset collection must not contain slashes or whitespace")
	}
	return nil
}

// String renders the reference as "collection/tokenID".
func (a AssetRef) String() string {
	return fmt.Sprintf("%s/%d", a.Collection, a.TokenID)
}

// ParseAssetRef parses a "collection/tokenID" reference.
func ParseAssetRef(value string) (AssetRef, error) {
	idx := strings.LastIndex(value, "/")
	if idx <= 0 || idx == len(value)-1 {
		return AssetRef{}, apperrors.New(apperrors.CodeInvalidArgument, "asset reference must be collection/tokenID")
	}
	tokenID, err := strconv.ParseUint(value[idx+1:], 10, 64)
	if err != nil {
		return AssetRef{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse asset token id", err)
	}
	ref := AssetRef{Collection: value[:idx], TokenID: tokenID}
	if err := ref.Validate(); err != nil {
		return AssetRef{}, err
	}
	return ref, nil
}
