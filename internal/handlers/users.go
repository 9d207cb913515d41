package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"xray-back/internal/service"
)

type CreateUserRequest struct {
	Name  string  `json:"name" binding:"required"`
	Email string  `json:"email" binding:"required,email"`
	Phone *string `json:"phone"`
}

// CreateUser registers a user, or returns the existing one for the same
// email (first-contact semantics: the client just sends who it is).
func CreateUser(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if existing, err := users.GetByEmail(c.Request.Context(), req.Email); err == nil {
			c.JSON(http.StatusOK, existing)
			return
		} else if !errors.Is(err, service.ErrNotFound) {
			respondError(c, err)
			return
		}

		user, err := users.Create(c.Request.Context(), req.Name, req.Email, req.Phone)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

func GetUser(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		user, err := users.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// ListUsers returns all active users, or a single user when ?email= is
// given.
func ListUsers(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if email := c.Query("email"); email != "" {
			user, err := users.GetByEmail(c.Request.Context(), email)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, user)
			return
		}

		list, err := users.ListActive(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}
