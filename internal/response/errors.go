package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden      ErrCode = "FORBIDDEN"
	ErrStaffOnly      ErrCode = "STAFF_ACCESS_ONLY"
	ErrNotSessionUser ErrCode = "NOT_SESSION_OWNER"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrImageTooLarge  ErrCode = "IMAGE_TOO_LARGE"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrExamNotAvailable      ErrCode = "EXAM_NOT_AVAILABLE"
	ErrExamAlreadyCompleted  ErrCode = "EXAM_ALREADY_COMPLETED"
	ErrInvalidTransition     ErrCode = "INVALID_SESSION_TRANSITION"
	ErrSessionTerminated     ErrCode = "SESSION_TERMINATED"
	ErrSessionExpired        ErrCode = "SESSION_EXPIRED"
	ErrReconciliationPartial ErrCode = "RECONCILIATION_PARTIAL"

	// ─── Identity verification ─────────────────────────────────────────
	ErrVerificationRequired ErrCode = "VERIFICATION_REQUIRED"
	ErrVerificationExpired  ErrCode = "VERIFICATION_EXPIRED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal           ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStaffOnly:
		return "Sumber daya ini terbatas untuk pengawas dan administrator."
	case ErrNotSessionUser:
		return "Sesi ujian ini bukan milik Anda."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrImageTooLarge:
		return "Ukuran gambar melebihi batas."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Permintaan bertentangan dengan keadaan saat ini."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrExamNotAvailable:
		return "Ujian ini saat ini tidak tersedia."
	case ErrExamAlreadyCompleted:
		return "Anda sudah menyelesaikan ujian ini."
	case ErrInvalidTransition:
		return "Perubahan status sesi ujian tidak diperbolehkan."
	case ErrSessionTerminated:
		return "Sesi ujian telah dihentikan oleh pengawas."
	case ErrSessionExpired:
		return "Waktu ujian telah habis. Jawaban Anda telah dikumpulkan."
	case ErrReconciliationPartial:
		return "Sebagian jawaban belum tersimpan dan akan dicoba kembali."

	// ─── Identity verification ─────────────────────────────────────────
	case ErrVerificationRequired:
		return "Verifikasi identitas diperlukan sebelum memulai ujian."
	case ErrVerificationExpired:
		return "Verifikasi identitas telah kedaluwarsa. Silakan verifikasi ulang."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrServiceUnavailable:
		return "Layanan sedang tidak tersedia. Silakan coba lagi."
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
