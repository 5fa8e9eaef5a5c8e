package pipeline

import (
	"fmt"

	"github.com/RizDevStudio/bot/internal/command"
)

const (
	fullTemplate  = "ABSENSI#NISN#NAMA_ORANG_TUA#NOMOR_HP_ORANG_TUA"
	shortTemplate = "ABSENSI#NISN#NAMA_ORANG_TUA"
	fullExample   = "ABSENSI#0085517246#Siti Aminah#6281234567890"
)

func welcomeText(school string, allowShort bool) string {
	text := fmt.Sprintf(`Halo, ini adalah layanan otomatis Absensi %s

Jika belum pernah mendaftarkan nomor silahkan ketik :

%s

Contoh:
%s

Nomor HP boleh diawali 62 atau 0 (tanpa tanda +).`, school, fullTemplate, fullExample)
	if allowShort {
		text += fmt.Sprintf("\nJika nomor HP orang tua sama dengan nomor WhatsApp ini, cukup ketik:\n%s", shortTemplate)
	}
	return text + "\n\nTerimakasih"
}

func reminderText() string {
	return fmt.Sprintf("Pesan tidak dikenali.\n\nUntuk mendaftar ketik:\n%s\n\nContoh:\n%s", fullTemplate, fullExample)
}

func malformedText(parts int, allowShort bool) string {
	expected := fmt.Sprintf("%d", command.FieldsExplicitPhone)
	if allowShort {
		expected = fmt.Sprintf("%d atau %d", command.FieldsSenderPhone, command.FieldsExplicitPhone)
	}
	return fmt.Sprintf("❌ Format salah: ditemukan %d bagian, seharusnya %s bagian dipisah tanda #.\n\nContoh yang benar:\n%s",
		parts, expected, fullExample)
}

func validationText(msg string) string {
	return fmt.Sprintf("❌ %s\n\nContoh yang benar:\n%s", msg, fullExample)
}

func phoneUnavailableText() string {
	return fmt.Sprintf("❌ Nomor HP tidak dapat dibaca dari akun WhatsApp ini.\n\nSilakan kirim ulang dengan format lengkap:\n%s\n\nContoh:\n%s",
		fullTemplate, fullExample)
}

func confirmationText(nisn, name, phone string) string {
	return fmt.Sprintf("✅ Data orang tua berhasil didaftarkan!\n\nNISN: %s\nNama: %s\nNo HP: %s", nisn, name, phone)
}

func duplicateText(nisn string) string {
	return fmt.Sprintf("ℹ️ NISN %s sudah terdaftar sebelumnya. Tidak perlu mendaftar ulang.", nisn)
}

func authFailedText() string {
	return "⚠️ Layanan pendaftaran sedang bermasalah. Silakan hubungi pihak sekolah."
}

func rejectedText(reason string) string {
	if reason == "" {
		reason = "periksa kembali NISN dan data yang dikirim"
	}
	return fmt.Sprintf("❌ Data ditolak oleh server: %s", reason)
}

func unreachableText() string {
	return "⚠️ Server tidak dapat dihubungi. Silakan kirim ulang beberapa saat lagi."
}

func unknownFailureText() string {
	return "⚠️ Gagal menyimpan data. Coba lagi nanti."
}
