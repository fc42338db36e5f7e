package listsapi

import v1 "shopsync/shared/contracts/realtime/v1"

type createListRequest struct {
	Name string `json:"name"`
}

type shareRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

// listMessageResponse is returned by sharing and bulk operations.
type listMessageResponse struct {
	Message      string  `json:"message"`
	List         v1.List `json:"list"`
	RemovedCount *int    `json:"removedCount,omitempty"`
}

type deletedListResponse struct {
	Message string `json:"message"`
	ListID  string `json:"listId"`
}

type deletedItemResponse struct {
	Message string `json:"message"`
	ItemID  string `json:"itemId"`
}
