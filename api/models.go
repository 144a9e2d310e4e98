package api

// Versioned is implemented by every resource the backend versions.
type Versioned interface {
	GetID() string
	GetVersion() int64
}

// Meta is the identity and optimistic-locking counter shared by all resources.
type Meta struct {
	ID      string `json:"id,omitempty"`
	Version int64  `json:"version"`
}

func (m Meta) GetID() string {
	return m.ID
}

func (m Meta) GetVersion() int64 {
	return m.Version
}

type List struct {
	Meta
	Name        string `json:"name"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type Category struct {
	Meta
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
}

type Product struct {
	Meta
	Name       string `json:"name"`
	CategoryID string `json:"categoryId,omitempty"`
}

// ListItem is a product placed on a list.
type ListItem struct {
	Meta
	ListID    string  `json:"listId"`
	ProductID string  `json:"productId,omitempty"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Checked   bool    `json:"checked"`
}

// Workspace groups lists shared between members.
type Workspace struct {
	Meta
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds,omitempty"`
}

// Upload is the stored file returned by the upload endpoint.
type Upload struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// ProfileUpdate carries the profile fields to change; nil fields are left as
// they are.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Email       *string `json:"email,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	Locale      *string `json:"locale,omitempty"`
}
