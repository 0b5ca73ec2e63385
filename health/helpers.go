package health

import "time"

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate rolls sub-statuses up into one.
// The engine is healthy while at least one transport is healthy, since any
// single source keeps readings flowing. It is unhealthy only when every
// sub-status is unhealthy, and degraded otherwise.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewDegraded(component, "no transports running")
	}

	healthy, unhealthy := 0, 0
	for _, sub := range subStatuses {
		switch {
		case sub.IsHealthy():
			healthy++
		case sub.IsUnhealthy():
			unhealthy++
		}
	}

	var status Status
	switch {
	case healthy == len(subStatuses):
		status = NewHealthy(component, "all transports healthy")
	case healthy > 0:
		status = NewHealthy(component, "receiving readings from at least one transport")
	case unhealthy == len(subStatuses):
		status = NewUnhealthy(component, "all transports unhealthy")
	default:
		status = NewDegraded(component, "no transport connected")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}
