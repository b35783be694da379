package webservice

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	MaxUnlockAttempts = 5
	UnlockLockout     = 10 * time.Minute
)

type UnlockAttemptRecord struct {
	Attempts  int
	IsLocked  bool
	LockUntil time.Time
}

// handleUnlock trades the PIN for a session token. Each client IP gets
// MaxUnlockAttempts tries before being locked out.
func (wm *WebMaster) handleUnlock(c *gin.Context) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": "error", "message": "Invalid request"})
		return
	}

	sIP := c.ClientIP()
	now := wm.now()

	wm.unlockMu.Lock()
	record := wm.UnlockAttemptRecords[sIP]
	if record.IsLocked && !now.Before(record.LockUntil) {
		record = UnlockAttemptRecord{}
	}
	if record.IsLocked {
		wm.unlockMu.Unlock()
		c.JSON(http.StatusTooManyRequests, gin.H{"result": "failed", "message": "Too many attempts, please try again later", "leftTries": 0, "lockUntil": record.LockUntil})
		return
	}
	if wm.pin != "" && req.PIN != wm.pin {
		record.Attempts++
		if record.Attempts >= MaxUnlockAttempts {
			record.IsLocked = true
			record.LockUntil = now.Add(UnlockLockout)
			wm.logger.Warn("unlock locked out", "client", sIP, "until", record.LockUntil)
		}
		wm.UnlockAttemptRecords[sIP] = record
		wm.unlockMu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{"result": "failed", "message": "Incorrect PIN", "leftTries": MaxUnlockAttempts - record.Attempts})
		return
	}
	delete(wm.UnlockAttemptRecords, sIP)
	wm.unlockMu.Unlock()

	token, err := wm.GenerateToken()
	if err != nil {
		wm.logger.Error("token generation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"result": "error", "message": "token generation failed"})
		return
	}
	c.SetCookie(tokenCookie, token, int(tokenLifetime/time.Second), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"result": "success", "message": "Unlocked", "token": token})
}
