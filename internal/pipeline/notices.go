package pipeline

import (
	"fmt"
	"strings"

	"voxchat/internal/language"
	"voxchat/internal/stage"
)

const helpText = "I can help you with our book offers in English, Arabic, Hindi, and Bengali.\n\n" +
	"COMMANDS:\n" +
	"✅ /start - To begin our conversation.\n" +
	"ℹ️ /help - To see this message again.\n" +
	"🔄 /clear - To start a fresh conversation with me."

const clearedText = "Our conversation history has been cleared. ✨\nLet's find you a great book!"

const campaignPitch = "I can help you find a great Thriller or Self-Help book from our special campaign offer."

// greeting introduces the assistant. The campaign pitch belongs to the
// built-in catalog and is replaced once an admin points elsewhere.
func greeting(firstName, botName, assistant string, builtinCatalog bool) string {
	if strings.TrimSpace(firstName) == "" {
		firstName = "there"
	}
	intro := "I'm your personal guide."
	if name := strings.TrimSpace(assistant); name != "" {
		intro = fmt.Sprintf("I'm %s, your personal guide.", name)
	}
	pitch := "I can help you find a great book from our catalog."
	if builtinCatalog {
		pitch = campaignPitch
	}
	return fmt.Sprintf("Hello, %s! 👋 Welcome to %s. 📚\n\n"+
		"%s %s I can assist in English, Bengali, Hindi, and Arabic.\n\n"+
		"What kind of book are you in the mood for today?", firstName, botName, intro, pitch)
}

var notices = map[stage.Kind]map[language.Tag]string{
	stage.Download: {
		language.English: "I couldn't download your voice message. Please try sending it again. 🎤",
		language.Bengali: "আমি আপনার ভয়েস মেসেজটি ডাউনলোড করতে পারিনি। অনুগ্রহ করে আবার পাঠান। 🎤",
		language.Hindi:   "मैं आपका वॉइस संदेश डाउनलोड नहीं कर पाया। कृपया इसे फिर से भेजें। 🎤",
		language.Arabic:  "لم أتمكن من تنزيل رسالتك الصوتية. يرجى إرسالها مرة أخرى. 🎤",
	},
	stage.Transcription: {
		language.English: "Sorry, I couldn't understand your voice message. Please try again or type your question. 🎤",
		language.Bengali: "দুঃখিত, আমি আপনার ভয়েস মেসেজটি বুঝতে পারিনি। অনুগ্রহ করে আবার চেষ্টা করুন বা আপনার প্রশ্নটি লিখে পাঠান। 🎤",
		language.Hindi:   "क्षमा करें, मैं आपका वॉइस संदेश समझ नहीं पाया। कृपया फिर से प्रयास करें या अपना प्रश्न लिखकर भेजें। 🎤",
		language.Arabic:  "عذرًا، لم أتمكن من فهم رسالتك الصوتية. يرجى المحاولة مرة أخرى أو كتابة سؤالك. 🎤",
	},
	stage.Generation: {
		language.English: "I'm sorry, I'm having a technical issue. Please try again in a moment. 🛠️",
		language.Bengali: "দুঃখিত, একটি প্রযুক্তিগত সমস্যা হচ্ছে। অনুগ্রহ করে একটু পরে আবার চেষ্টা করুন। 🛠️",
		language.Hindi:   "क्षमा करें, मुझे एक तकनीकी समस्या आ रही है। कृपया थोड़ी देर बाद फिर से प्रयास करें। 🛠️",
		language.Arabic:  "عذرًا، أواجه مشكلة تقنية. يرجى المحاولة مرة أخرى بعد قليل. 🛠️",
	},
}

// Notice returns the apology sent when a turn aborts at kind, in lang when a
// translation exists. Kinds without their own wording use the generic
// technical notice.
func Notice(kind stage.Kind, lang language.Tag) string {
	byLang, ok := notices[kind]
	if !ok {
		byLang = notices[stage.Generation]
	}
	if text, ok := byLang[lang.OrDefault()]; ok {
		return text
	}
	return byLang[language.English]
}
