package cluster

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrClusterUnreachable covers transport failures and apiserver
	// unavailability. Metering treats it as transient; provisioning
	// surfaces it to the caller.
	ErrClusterUnreachable = errors.New("cluster_unreachable")
	// ErrInvalidSpec means the apiserver rejected the object itself.
	// Retrying without changing the spec cannot succeed.
	ErrInvalidSpec = errors.New("invalid_function_spec")
	// ErrNotFound means the named service does not exist in the cluster.
	ErrNotFound = errors.New("function_not_in_cluster")
	// ErrConflict is a lost optimistic-concurrency race. Re-read and retry.
	ErrConflict = errors.New("cluster_conflict")
)

// mapError folds apiserver and transport errors into the driver's error
// taxonomy. Unknown errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(err):
		return errors.Join(ErrNotFound, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return errors.Join(ErrInvalidSpec, err)
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return errors.Join(ErrConflict, err)
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err):
		return errors.Join(ErrClusterUnreachable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrClusterUnreachable, err)
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// retryable reports whether the apply loop should spend retry budget on
// the error.
func retryable(err error) bool {
	return errors.Is(err, ErrClusterUnreachable) || errors.Is(err, ErrConflict)
}
