package dimse_test

import (
	"fmt"

	"github.com/arborhealth/dicomdul/dicom/tag"
)

var transactionUIDTag = tag.New(0x0008, 0x1195)

func sizeLabel(size uint32) string {
	return fmt.Sprintf("%d_bytes", size)
}
