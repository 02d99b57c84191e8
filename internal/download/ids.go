package download

import "github.com/google/uuid"

func newDownloadID() string {
	return "download_" + uuid.NewString()
}

func newGroupID() string {
	return "instance_" + uuid.NewString()
}
