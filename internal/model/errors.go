package model

import "errors"

var (
	errMissingIdentity     = errors.New("model: task has neither id nor temp_id")
	errCreatedAfterUpdated = errors.New("model: created_at is after updated_at")
	errInvalidStatus       = errors.New("model: status is not a member of the closed set")
	errInvalidPriority     = errors.New("model: priority is not a member of the closed set")
)
