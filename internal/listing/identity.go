package listing

import (
	"fmt"
	"regexp"
)

// UnknownGroup stands in for a missing group id inside the composite key only.
const UnknownGroup = "unknown"

var (
	groupPattern     = regexp.MustCompile(`/groups/(\d+)`)
	permalinkPattern = regexp.MustCompile(`/permalink/(\d+)`)
)

// Identity is the natural key of a scraped post.
type Identity struct {
	// GroupID is empty when the group URL carried no numeric group segment.
	GroupID string
	PostID  string
}

// Key returns the composite "{groupId}_{postId}" id.
func (i Identity) Key() string {
	group := i.GroupID
	if group == "" {
		group = UnknownGroup
	}
	return group + "_" + i.PostID
}

// GroupIDPtr returns nil for a missing group so that it is stored as absent.
func (i Identity) GroupIDPtr() *string {
	if i.GroupID == "" {
		return nil
	}
	return StringPtr(i.GroupID)
}

// DeriveIdentity extracts the post identity from a raw item. It fails with
// ErrUnidentifiable when the item URL has no permalink id.
func DeriveIdentity(item RawItem) (Identity, error) {
	return IdentityFromFields(item.Fields())
}

// IdentityFromFields is DeriveIdentity over already-decoded fields.
func IdentityFromFields(f ItemFields) (Identity, error) {
	postID := firstCapture(permalinkPattern, f.URL)
	if postID == "" {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnidentifiable, f.URL)
	}
	return Identity{
		GroupID: firstCapture(groupPattern, f.GroupURL),
		PostID:  postID,
	}, nil
}

func firstCapture(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
