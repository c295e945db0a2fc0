package app

import (
	"gorm.io/gorm"

	chatrepos "github.com/yungbote/relaychat-backend/internal/data/repos/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

type Repos struct {
	Threads  chatrepos.ChatThreadRepo
	Messages chatrepos.ChatMessageRepo
	Tasks    chatrepos.GenerationTaskRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Threads:  chatrepos.NewChatThreadRepo(db, log),
		Messages: chatrepos.NewChatMessageRepo(db, log),
		Tasks:    chatrepos.NewGenerationTaskRepo(db, log),
	}
}
