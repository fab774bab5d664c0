package controllers

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/datapack"
	"github.com/addspin/meshca/store"
	"github.com/gofiber/fiber/v3"
)

// TakeDataPackage handles GET /api/v1/data-package/:serial, serving the
// stored archive, rebuilding it when absent or when ?rebuild=true. The
// archive is verified against its manifest before leaving the server.
func TakeDataPackage(builder *datapack.Builder, st *store.Store, caman *ca.Manager) fiber.Handler {
	return func(c fiber.Ctx) error {
		serial, err := strconv.ParseInt(c.Params("serial"), 10, 64)
		if err != nil || serial <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  "error",
				"message": "invalid serial",
			})
		}

		issuerID := c.Query("issuer_id")
		if issuerID == "" {
			signing, err := caman.SigningCA(c.Context())
			if err != nil {
				return errorJSON(c, err)
			}
			issuerID = signing.Id
		}

		stored, err := st.GetDataPackageBySerial(c.Context(), issuerID, serial)
		if errors.Is(err, store.ErrNotFound) || c.Query("rebuild") == "true" {
			stored, err = builder.Build(c.Context(), issuerID, serial)
		}
		if err != nil {
			return errorJSON(c, err)
		}

		if err := builder.Verify(stored); err != nil {
			return errorJSON(c, err)
		}

		if err := st.MarkPackageDelivered(c.Context(), stored.Id); err != nil {
			return errorJSON(c, err)
		}

		fileName := fmt.Sprintf("data_package_%s_%d.zip", stored.Owner, serial)
		c.Set("Content-Type", "application/zip")
		c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))
		c.Set("Content-Length", strconv.Itoa(len(stored.Archive)))
		return c.Send(stored.Archive)
	}
}
