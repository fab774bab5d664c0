package controllers

import (
	"errors"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/datapack"
	"github.com/addspin/meshca/issue"
	"github.com/addspin/meshca/store"
	"github.com/gofiber/fiber/v3"
)

// httpStatus maps engine errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, issue.ErrValidation),
		errors.Is(err, crypts.ErrInvalidValidityWindow),
		errors.Is(err, ca.ErrValidityExceedsParent):
		return fiber.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrAlreadyRevoked),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, ca.ErrRootAlreadyExists),
		errors.Is(err, ca.ErrNoActiveRoot),
		errors.Is(err, ca.ErrCANotActive):
		return fiber.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, datapack.ErrTampered),
		errors.Is(err, store.ErrIntegrity):
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusInternalServerError
	}
}

func errorJSON(c fiber.Ctx, err error) error {
	return c.Status(httpStatus(err)).JSON(fiber.Map{
		"status":  "error",
		"message": err.Error(),
	})
}
