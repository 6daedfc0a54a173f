package drive

import (
	"strings"
	"time"
)

// Item is an archive file present in the remote directory, as seen at listing time.
type Item struct {
	ID      string
	Name    string
	Created time.Time
	Size    int64
}

// driveItem is the subset of the Graph driveItem resource the client reads.
type driveItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	Size            int64     `json:"size"`
	File            *struct{} `json:"file,omitempty"`
	Folder          *struct{} `json:"folder,omitempty"`
}

func (d driveItem) item() Item {
	return Item{
		ID:      d.ID,
		Name:    d.Name,
		Created: d.CreatedDateTime,
		Size:    d.Size,
	}
}

// childrenPage is one page of a children listing.
type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink,omitempty"`
}

// uploadSessionRequest is the body of a createUploadSession call.
type uploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
	Description      string `json:"description,omitempty"`
	Name             string `json:"name"`
}

type uploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// Filter decides which listed file items count as archives.
type Filter func(name string) bool

// ArchiveFilter accepts names of the form {prefix}_*.zip.
func ArchiveFilter(prefix string) Filter {
	return func(name string) bool {
		return strings.HasPrefix(name, prefix+"_") && strings.HasSuffix(strings.ToLower(name), ".zip")
	}
}
