package storage

import (
	"context"
	"errors"

	apperrors "github.com/tabulake/tabulake/internal/errors"
)

// Classify maps a storage failure onto the application error taxonomy.
// Permission failures are fatal; everything else, timeouts included, is a
// retryable write or read failure. A missing object is fatal. Caller
// cancellation passes through.
func Classify(op, objectPath string, write bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	details := map[string]interface{}{"op": op, "object": objectPath}
	if errors.Is(err, ErrObjectNotFound) {
		return apperrors.Wrap(apperrors.ErrCategoryStorage, apperrors.CodeObjectNotFound, "object not found: "+objectPath, err).WithDetails(details)
	}
	if errors.Is(err, ErrPermissionDenied) {
		return apperrors.NewStoragePermissionError(op+" "+objectPath, err).WithDetails(details)
	}
	if write {
		return apperrors.NewStorageWriteError(op+" "+objectPath, err).WithDetails(details)
	}
	return apperrors.NewStorageReadError(op+" "+objectPath, err).WithDetails(details)
}
