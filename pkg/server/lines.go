package server

// Lines sent to clients. Keep these stable: scripted clients match on them.
const (
	lineGreeting      = "Welcome to linechat! Do you already have an account? (yes/no)"
	lineAnswerYesNo   = "Please answer 'yes' or 'no'."
	lineEnterUsername = "Enter username:"
	lineEnterPassword = "Enter password:"

	lineLoginFailed     = "Wrong username or password. Try again."
	lineWelcomeBack     = "Welcome back, %s!"
	lineAlreadyLoggedIn = "That user is already logged in."

	lineHistoryOffer   = "Fetch your saved messages now? (yes/no)"
	lineHistoryHeader  = "Your saved messages:"
	lineNoMessages     = "No saved messages."
	lineHistorySkipped = "Logged in without fetching messages."

	lineRegisterUsername = "Create a new account. Enter username:"
	lineUsernameTaken    = "That username is already taken. Try again."
	lineInvalidUsername  = "Invalid username: %s. Try again."
	lineInvalidPassword  = "Invalid password: %s. Try again."
	linePasswordEmpty    = "Password must not be empty. Try again."
	lineAccountCreated   = "Account created. Welcome, %s!"

	lineLoggedInAs = "You are logged in as: %s"
	lineChatHint   = "You can start writing messages now."
	lineQuitHint   = "Type /quit to leave."
	lineMyMsgsHint = "Type /mymsgs to see your saved messages."

	lineJoined = "%s joined the chat."
	lineLeft   = "%s left the chat."
	lineChat   = "%s: %s"

	lineMyMessagesHeader = "Your messages:"

	lineGoodbye       = "Goodbye!"
	lineInternalError = "Internal server error, closing connection."
	lineShuttingDown  = "Server is shutting down."
)
