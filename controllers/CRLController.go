package controllers

import (
	"github.com/addspin/meshca/crl"
	"github.com/gofiber/fiber/v3"
)

// GetCRL handles GET /api/v1/crl/:issuer, serving the current signed CRL
// in DER form.
func GetCRL(service *crl.Service) fiber.Handler {
	return func(c fiber.Ctx) error {
		issuerID := c.Params("issuer")
		if issuerID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"status":  "error",
				"message": "issuer is required",
			})
		}

		crlBytes, err := service.CurrentCRL(c.Context(), issuerID)
		if err != nil {
			return errorJSON(c, err)
		}

		c.Set("Content-Type", "application/pkix-crl")
		c.Set("Content-Disposition", "attachment; filename=revoked.crl")
		return c.Send(crlBytes)
	}
}
