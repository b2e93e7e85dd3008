package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"rewards-hub/internal/services"
)

// CouponHandler exposes coupon issuance, verification and redemption
type CouponHandler struct {
	couponService *services.CouponService
}

// NewCouponHandler creates a new CouponHandler
func NewCouponHandler(db *gorm.DB) *CouponHandler {
	return &CouponHandler{
		couponService: services.NewCouponService(db),
	}
}

// GenerateCoupon handles POST /api/coupons. A user whose score does not
// clear the lowest tier gets an informational 200, not an error.
func (h *CouponHandler) GenerateCoupon(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User ID is required"})
		return
	}

	coupon, err := h.couponService.IssueCoupon(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate coupon"})
		return
	}

	if coupon == nil {
		c.JSON(http.StatusOK, gin.H{"message": "User score too low for a coupon"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"coupon":  coupon,
	})
}

// VerifyCoupon handles GET /api/coupons/verify/:code
func (h *CouponHandler) VerifyCoupon(c *gin.Context) {
	code := c.Param("code")

	v, err := h.couponService.VerifyCoupon(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, services.ErrCouponNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"coupon_code":    code,
				"is_valid":       false,
				"status_message": "Coupon not found.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify coupon"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"coupon_code":    v.Coupon.CouponCode,
		"tier":           v.Coupon.Tier,
		"user_id":        v.Coupon.UserID,
		"issued_at":      v.Coupon.IssuedAt,
		"expires_at":     v.Coupon.ExpiresAt,
		"redeemed_at":    v.Coupon.RedeemedAt,
		"is_valid":       v.IsValid,
		"status_message": v.StatusMessage,
	})
}

// RedeemCoupon handles POST /api/coupons/:code/redeem
func (h *CouponHandler) RedeemCoupon(c *gin.Context) {
	code := c.Param("code")

	coupon, err := h.couponService.RedeemCoupon(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, services.ErrCouponNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Coupon not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"coupon":  coupon,
	})
}

// GetUserCoupons handles GET /api/users/:userId/coupons
func (h *CouponHandler) GetUserCoupons(c *gin.Context) {
	userID := c.Param("userId")

	username, coupons, err := h.couponService.GetUserCoupons(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch coupons"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"username": username,
		"coupons":  coupons,
		"count":    len(coupons),
	})
}
